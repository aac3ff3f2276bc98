package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/messaging"
	"github.com/and161185/vaultbridge/internal/model"
)

func statusColor(s model.SourceStatus) string {
	switch s {
	case model.StatusUnlocked:
		return color.GreenString(string(s))
	case model.StatusLocked:
		return color.YellowString(string(s))
	case model.StatusError:
		return color.RedString(string(s))
	}
	return string(s)
}

func (a *app) printSources(cmd *cobra.Command) error {
	var res messaging.SourcesResult
	if err := a.call(cmd.Context(), messaging.TypeListSources, nil, &res); err != nil {
		return err
	}
	if len(res.Sources) == 0 {
		fmt.Fprintln(a.out, "no sources")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS")
	for _, s := range res.Sources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Type, statusColor(s.Status))
	}
	return tw.Flush()
}

func newSourcesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sources",
		Aliases: []string{"ls"},
		Short:   "List registered sources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printSources(cmd)
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show unlocked count and sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var c messaging.CountResult
			if err := a.call(cmd.Context(), messaging.TypeGetUnlockedCount, nil, &c); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "unlocked: %s\n", color.New(color.Bold).Sprint(c.Count))
			return a.printSources(cmd)
		},
	}
}

func newAddLocalCmd(a *app) *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "add-local NAME PATH",
		Short: "Register an archive file on this machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := datasource.Marshal(datasource.LocalFileParams{Path: args[1]})
			if err != nil {
				return err
			}
			pw, err := a.readPassword("Master password: ")
			if err != nil {
				return err
			}
			var res messaging.AddArchiveResult
			err = a.call(cmd.Context(), messaging.TypeAddArchive, messaging.AddArchivePayload{
				Name:           args[0],
				MasterPassword: pw,
				CreateNew:      create,
				Source:         spec,
			}, &res)
			if err != nil {
				return err
			}
			for _, id := range res.SourceIDs {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the archive when the file does not exist")
	return cmd
}

func sourceCmd(a *app, use, short, typ, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " SOURCE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.call(cmd.Context(), typ, messaging.SourcePayload{SourceID: model.SourceID(args[0])}, nil); err != nil {
				return err
			}
			fmt.Fprintln(a.out, done)
			return nil
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return sourceCmd(a, "remove", "Remove a source", messaging.TypeRemoveSource, "removed")
}

func newLockCmd(a *app) *cobra.Command {
	return sourceCmd(a, "lock", "Lock a source", messaging.TypeLockSource, "locked")
}

func newSaveCmd(a *app) *cobra.Command {
	return sourceCmd(a, "save", "Save pending changes of a source", messaging.TypeSaveSource, "saved")
}

func newLockAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock-all",
		Short: "Lock every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.call(cmd.Context(), messaging.TypeLockAllSources, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "all sources locked")
			return nil
		},
	}
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock SOURCE_ID",
		Short: "Unlock a source with its master password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.readPassword("Master password: ")
			if err != nil {
				return err
			}
			err = a.call(cmd.Context(), messaging.TypeUnlockSource, messaging.UnlockPayload{
				SourceID:       model.SourceID(args[0]),
				MasterPassword: pw,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, statusColor(model.StatusUnlocked))
			return nil
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var byURL bool
	cmd := &cobra.Command{
		Use:   "search TERM",
		Short: "Search unlocked sources by term, or by page URL with --url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res messaging.EntriesResult
			var err error
			if byURL {
				err = a.call(cmd.Context(), messaging.TypeSearchEntriesForURL, messaging.URLPayload{URL: args[0]}, &res)
			} else {
				err = a.call(cmd.Context(), messaging.TypeSearchEntriesForTerm, messaging.TermPayload{Term: args[0]}, &res)
			}
			if err != nil {
				return err
			}
			if len(res.Entries) == 0 {
				fmt.Fprintln(a.out, "no matches")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TITLE\tUSERNAME\tURL\tSOURCE\tENTRY")
			for _, e := range res.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", color.New(color.Bold).Sprint(e.Title), e.Username, e.URL, e.SourceID, e.ID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&byURL, "url", false, "treat TERM as a page URL")
	return cmd
}

// readPassword prompts on a terminal without echo, otherwise reads one line.
func (a *app) readPassword(prompt string) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password on stdin")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
