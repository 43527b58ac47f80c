package config

import (
	"fmt"

	"github.com/outpostnet/bondtun/internal/berr"
)

func errConfig(msg string) error {
	return fmt.Errorf("%s: %w", msg, berr.ErrConfiguration)
}
