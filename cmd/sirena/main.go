package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
