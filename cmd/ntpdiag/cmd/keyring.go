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

package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/timewarden/ntpd/ntp/cookie"
	"github.com/timewarden/ntpd/ntp/keys"
)

var keyringPath string
var keyfilePath string

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "List the cookie key ring from its cache file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		ring := cookie.NewRing()
		if err := ring.Load(keyringPath); err != nil {
			return err
		}
		current, ok := ring.Current()
		if !ok {
			fmt.Println("key ring is empty")
			return nil
		}
		for _, slot := range ring.Slots() {
			marker := " "
			if slot.ID == current.ID {
				marker = color.GreenString("*")
			}
			fmt.Printf("%s id=%08x key=%d bytes\n", marker, slot.ID, len(slot.Key))
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List symmetric key ids from the keyfile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		store, err := keys.LoadKeyfile(keyfilePath)
		if err != nil {
			return err
		}
		ids := store.IDs()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			k, _ := store.Lookup(id)
			fmt.Printf("id=%d secret=%d bytes\n", id, len(k.Secret))
		}
		return nil
	},
}

func init() {
	keyringCmd.Flags().StringVarP(&keyringPath, "file", "f", "/var/lib/ntpd/ntskeys", "cookie key cache path")
	keysCmd.Flags().StringVarP(&keyfilePath, "file", "f", "/etc/ntpd/keys", "symmetric keyfile path")
	RootCmd.AddCommand(keyringCmd)
	RootCmd.AddCommand(keysCmd)
}
