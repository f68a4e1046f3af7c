// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memsize formats byte and bit counts as human-readable sizes.
package memsize

import "fmt"

// Byte size units.
const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

// Bit rate units.
const (
	Bit  = 1
	Kbit = 1000 * Bit
	Mbit = 1000 * Kbit
	Gbit = 1000 * Mbit
	Tbit = 1000 * Gbit
)

// Format renders bytes as a human-readable string with a B/KB/MB/GB/TB
// suffix.
func Format(bytes uint64) string {
	switch {
	case bytes == 0:
		return "0B"
	case bytes >= TB:
		return fmt.Sprintf("%.2fTB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2fGB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2fMB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2fKB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%.2fB", float64(bytes))
	}
}

// BitFormat renders bits as a human-readable string with a
// bit/Kbit/Mbit/Gbit/Tbit suffix.
func BitFormat(bits uint64) string {
	switch {
	case bits == 0:
		return "0bit"
	case bits >= Tbit:
		return fmt.Sprintf("%.2fTbit", float64(bits)/float64(Tbit))
	case bits >= Gbit:
		return fmt.Sprintf("%.2fGbit", float64(bits)/float64(Gbit))
	case bits >= Mbit:
		return fmt.Sprintf("%.2fMbit", float64(bits)/float64(Mbit))
	case bits >= Kbit:
		return fmt.Sprintf("%.2fKbit", float64(bits)/float64(Kbit))
	default:
		return fmt.Sprintf("%.2fbit", float64(bits))
	}
}
