package main

import "github.com/oazmi-apps/dinstar-freepbx-sms-router/cmd/sms-router/cmd"

func main() {
	cmd.Execute()
}
