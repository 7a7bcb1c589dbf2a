package main

import (
	"context"
	"os"

	"github.com/runplaneHQ/runplane-go/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
