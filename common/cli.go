// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides helpers shared by the ssh-agent-mux commands.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang runs cmd through fang and exits with status 1 on error.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns a fang error handler that prints the
// error, followed by the command's help when the error came from the
// command line or the configuration file.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
			return
		}

		cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
		cmd.HelpFunc()(cmd, nil)
	}
}

// IsUsageError returns true if err was caused by bad flags, arguments or
// configuration rather than by a runtime failure.
func IsUsageError(err error) bool {
	s := err.Error()
	for _, marker := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"accepts",
		"arg(s), received",
		"failed to load config file",
		"config: ",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
