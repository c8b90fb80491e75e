package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
)

const dateLayout = "2006-01-02"

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode output")
	}
	return nil
}

// parseDate parses a YYYY-MM-DD flag value as UTC midnight. Empty input
// yields nil.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}
