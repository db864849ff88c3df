// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package main

import "github.com/cybergrid/device-agent/cmd"

func main() {
	cmd.Execute()
}
