package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
)

// findobj prints object ids that hash to a token, for seeding test data.
func main() {
	token := flag.Uint("token", 0, "target token")
	bits := flag.Uint("bits", 8, "bits per token")
	count := flag.Int("n", 1, "number of ids to print")
	prefix := flag.String("prefix", "obj-", "id prefix")
	flag.Parse()

	if *bits > placement.MaxBitsPerToken || *token >= uint(placement.TokenCount(*bits)) {
		fmt.Fprintf(os.Stderr, "token %d out of range for %d bits\n", *token, *bits)
		os.Exit(1)
	}

	found := 0
	for i := 0; i < 10_000_000 && found < *count; i++ {
		id := fmt.Sprintf("%s%d", *prefix, i)
		if placement.TokenOf(id, *bits) == placement.Token(*token) {
			fmt.Println(id)
			found++
		}
	}
	if found < *count {
		fmt.Println("Not found")
	}
}
