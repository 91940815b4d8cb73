package main

import "github.com/LucienOnCrack/discord-dm-crm/cmd"

func main() {
	cmd.Execute()
}
