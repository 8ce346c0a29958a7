package main

import (
	"encoding/json"
	"fmt"
)

func (c *cli) writeJSON(payload any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func (c *cli) writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
