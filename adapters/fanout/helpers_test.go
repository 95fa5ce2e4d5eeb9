package fanout_test

import (
	"io"
	"log/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type note struct {
	Lot string
	Seq int
}
