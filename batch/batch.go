// Package batch expands pack identifier specifications and drives one
// download session per identifier, in order, stopping at the first
// failure.
package batch

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrEmptySpec indicates an identifier specification with no tokens.
var ErrEmptySpec = errors.New("empty identifier specification")

// ErrMalformedToken indicates a token that is neither a non-negative
// integer nor an inclusive dash-range.
var ErrMalformedToken = errors.New("malformed identifier token")

// ErrReversedRange indicates a dash-range whose lower bound exceeds its
// upper bound.
var ErrReversedRange = errors.New("reversed identifier range")

// ErrNotADirectory indicates that the configured output designator does
// not name an existing directory.
var ErrNotADirectory = errors.New("batch output must be an existing directory")

// Expand parses a comma-separated identifier specification into the
// ordered list of individual pack identifiers it denotes.
//
// Each token is either a single non-negative integer or an inclusive
// range "a-b" with a <= b. Ranges expand in ascending order; the
// overall sequence preserves token order, so "10,3-4" yields
// [10 3 4].
func Expand(spec string) ([]uint64, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, ErrEmptySpec
	}

	var ids []uint64
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)

		lo, hi, ok := strings.Cut(token, "-")
		if !ok {
			id, err := strconv.ParseUint(token, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformedToken, token)
			}
			ids = append(ids, id)
			continue
		}

		a, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedToken, token)
		}
		b, err := strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedToken, token)
		}
		if a > b {
			return nil, fmt.Errorf("%w: %q", ErrReversedRange, token)
		}
		for id := a; id <= b; id++ {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// RunFunc executes one complete download session for a single pack
// identifier and reports its outcome.
type RunFunc func(id uint64) error

// Orchestrator sequences download sessions over an expanded identifier
// list. It holds no identifier state beyond the current position.
type Orchestrator struct {
	dir string
	run RunFunc
}

// NewOrchestrator validates the shared output directory and returns an
// orchestrator that invokes run once per identifier.
func NewOrchestrator(dir string, run RunFunc) (*Orchestrator, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotADirectory, dir)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewOrchestrator",
		"dir":      dir,
	}).Debug("Batch orchestrator created")

	return &Orchestrator{dir: dir, run: run}, nil
}

// Run expands spec and executes one session per identifier, in order.
// The first session that does not succeed aborts the batch; remaining
// identifiers are not attempted.
func (o *Orchestrator) Run(spec string) error {
	ids, err := Expand(spec)
	if err != nil {
		return err
	}

	for i, id := range ids {
		logrus.WithFields(logrus.Fields{
			"function":  "Run",
			"id":        id,
			"position":  i + 1,
			"remaining": len(ids) - i - 1,
		}).Info("Starting batch session")

		if err := o.run(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"id":       id,
				"error":    err.Error(),
			}).Error("Batch session failed, aborting remaining identifiers")
			return fmt.Errorf("pack %d: %w", id, err)
		}
	}

	return nil
}
