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
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var measurementsPath string

type remoteSummary struct {
	count       int
	interleaved int
	sumOffset   float64
	sumDelay    float64
	maxAbs      float64
}

func summarizeMeasurements(path string) (map[string]*remoteSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byRemote := map[string]*remoteSummary{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) != 9 {
			log.Debugf("skipping malformed line %d: %d fields", lineNo, len(fields))
			continue
		}
		remote := fields[1]
		offset, err1 := strconv.ParseFloat(fields[5], 64)
		delay, err2 := strconv.ParseFloat(fields[6], 64)
		interleaved, err3 := strconv.ParseBool(fields[8])
		if err1 != nil || err2 != nil || err3 != nil {
			log.Debugf("skipping malformed line %d", lineNo)
			continue
		}
		s := byRemote[remote]
		if s == nil {
			s = &remoteSummary{}
			byRemote[remote] = s
		}
		s.count++
		if interleaved {
			s.interleaved++
		}
		s.sumOffset += offset
		s.sumDelay += delay
		if a := math.Abs(offset); a > s.maxAbs {
			s.maxAbs = a
		}
	}
	return byRemote, scanner.Err()
}

var measurementsCmd = &cobra.Command{
	Use:   "measurements",
	Short: "Summarize the measurements log per remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		byRemote, err := summarizeMeasurements(measurementsPath)
		if err != nil {
			return err
		}
		remotes := make([]string, 0, len(byRemote))
		for r := range byRemote {
			remotes = append(remotes, r)
		}
		sort.Strings(remotes)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"remote", "samples", "interleaved", "avg offset(s)", "avg delay(s)", "max |offset|(s)"})
		for _, r := range remotes {
			s := byRemote[r]
			n := float64(s.count)
			table.Append([]string{
				r,
				fmt.Sprintf("%d", s.count),
				fmt.Sprintf("%d", s.interleaved),
				fmt.Sprintf("%.6f", s.sumOffset/n),
				fmt.Sprintf("%.6f", s.sumDelay/n),
				fmt.Sprintf("%.6f", s.maxAbs),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	measurementsCmd.Flags().StringVarP(&measurementsPath, "file", "f", "/var/log/ntpd/measurements.log", "measurements log path")
	RootCmd.AddCommand(measurementsCmd)
}
