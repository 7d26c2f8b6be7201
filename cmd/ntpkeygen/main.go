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

// ntpkeygen generates a fresh cookie-key cache file offline, so a
// server can be provisioned with a full key ring before first start.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timewarden/ntpd/ntp/cookie"
)

var outPath string
var keyCount int

var rootCmd = &cobra.Command{
	Use:   "ntpkeygen",
	Short: "Generate a cookie-key cache file for ntpd",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyCount < 1 || keyCount > cookie.MaxServerKeys {
			return fmt.Errorf("count must be in [1,%d], got %d", cookie.MaxServerKeys, keyCount)
		}
		ring := cookie.NewRing()
		if err := ring.Bootstrap(); err != nil {
			return err
		}
		for i := 1; i < keyCount; i++ {
			if err := ring.Rotate(); err != nil {
				return err
			}
		}
		if err := ring.Save(outPath); err != nil {
			return err
		}
		log.Infof("wrote %d key(s) to %s", keyCount, outPath)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "out", "o", cookie.DefaultPath, "output cache file path")
	rootCmd.Flags().IntVarP(&keyCount, "count", "n", 1, "number of keys to generate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
