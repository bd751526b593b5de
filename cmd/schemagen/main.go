// schemagen emits the JSON Schema corpus of the gateway wire protocol, for
// foreign-language clients that generate their frame types from it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/clawdis/gateway/pkg/protocol"
)

func main() {
	out := flag.String("out", "", "Output file (default stdout)")
	flag.Parse()

	data, err := protocol.EncodeFrameSchema()
	if err != nil {
		slog.Error("Failed to encode frame schema", "error", err)
		os.Exit(1)
	}

	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil {
		slog.Error("Failed to write schema file", "path", *out, "error", err)
		os.Exit(1)
	}
	slog.Info("Frame schema written", "path", *out)
}
