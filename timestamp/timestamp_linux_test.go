/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package timestamp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// timespecBytes lays out a __kernel_timespec the way the kernel hands
// it to us, in native byte order.
func timespecBytes(sec, nsec int64) []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint64(b[0:8], uint64(sec))
	binary.NativeEndian.PutUint64(b[8:16], uint64(nsec))
	return b
}

func Test_byteToTime(t *testing.T) {
	want := time.Unix(1612028735, 717200436)
	res := byteToTime(timespecBytes(1612028735, 717200436))
	require.Equal(t, want.UnixNano(), res.UnixNano())
}

func Test_scmDataToTime(t *testing.T) {
	ts := timespecBytes(1612028735, 717200436)
	zero := make([]byte, 16)

	tests := []struct {
		name     string
		data     []byte
		wantKind Kind
		wantErr  bool
	}{
		{
			name:     "hardware",
			data:     append(append(append([]byte{}, zero...), zero...), ts...),
			wantKind: KindHardware,
		},
		{
			name:     "software",
			data:     append(append(append([]byte{}, ts...), zero...), zero...),
			wantKind: KindSoftware,
		},
		{
			name:    "no timestamp",
			data:    append(append(append([]byte{}, zero...), zero...), zero...),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, kind, err := scmDataToTime(tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, kind)
			require.Equal(t, int64(1612028735717200436), res.UnixNano())
		})
	}
}

func Test_ReadTxTimestamp(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd, err := ConnFd(conn)
	require.NoError(t, err)

	require.NoError(t, EnableTxRxTimestamps(connFd))

	oob := make([]byte, ControlSizeBytes)
	toob := make([]byte, ControlSizeBytes)

	TxReadAttempts = 10
	TxReadTimeout = 5 * time.Millisecond

	// nothing sent yet, the error queue is empty
	ts, kind, err := ReadTxTimestamp(connFd, oob, toob)
	require.Error(t, err)
	require.Equal(t, KindNone, kind)
	require.Equal(t, time.Time{}, ts)

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}
	_, err = conn.WriteTo([]byte{}, addr)
	require.NoError(t, err)

	ts, kind, err = ReadTxTimestamp(connFd, oob, toob)
	require.NoError(t, err)
	require.Equal(t, KindSoftware, kind)
	require.NotEqual(t, time.Time{}, ts)
}

func Test_EnableRxTimestamps(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd, err := ConnFd(conn)
	require.NoError(t, err)
	require.NoError(t, EnableRxTimestamps(connFd))
}

func Test_ReadPacketRxTimestamp(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer server.Close()

	serverFd, err := ConnFd(server)
	require.NoError(t, err)
	require.NoError(t, EnableRxTimestamps(serverFd))

	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("ping")
	_, err = client.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 128)
	oob := make([]byte, ControlSizeBytes)
	n, sa, ts, kind, err := ReadPacket(serverFd, buf, oob)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
	require.NotNil(t, sa)
	require.Equal(t, KindSoftware, kind)
	require.WithinDuration(t, time.Now(), ts, time.Second)
}
