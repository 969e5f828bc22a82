// Package cliutil holds small helpers shared by cmd/meshd and
// cmd/meshctl, too small to justify their own packages.
package cliutil

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LevelValue adapts logrus.Level to pflag.Value, the same pattern the
// teacher uses for its own custom-typed flags (e.g. cmd/skaffold/app's
// enum-like flags) instead of parsing a plain string flag by hand after
// Execute returns.
type LevelValue struct {
	Level *logrus.Level
}

var _ pflag.Value = LevelValue{}

func (v LevelValue) String() string {
	if v.Level == nil {
		return logrus.InfoLevel.String()
	}
	return v.Level.String()
}

func (v LevelValue) Set(raw string) error {
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return err
	}
	*v.Level = lvl
	return nil
}

func (LevelValue) Type() string { return "level" }
