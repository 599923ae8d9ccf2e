package cmd

import (
	"fmt"
)

const banner = `
  _____               _    ____       _       
 |_   _| __ _   _ ___| |_ / ___| __ _| |_ ___ 
   | || '__| | | / __| __| |  _ / _` + "`" + ` | __/ _ \
   | || |  | |_| \__ \ |_| |_| | (_| | ||  __/
   |_||_|   \__,_|___/\__|\____|\__,_|\__\___|
                                              
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Trust Boundary Gateway - Version %s\x1b[0m\n\n", Version)
}
