//go:build !no_psi

package main

import "pkt.systems/psi"

func main() {
	psi.Run(submain)
}
