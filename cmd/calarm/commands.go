package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"calarm/internal/alarm"
	"calarm/internal/model"
	"calarm/internal/query"
	"calarm/internal/store"
)

var (
	dayDays   int
	dayScope  string
	dayType   string
	findScope string
)

var dayCmd = &cobra.Command{
	Use:   "day [when]",
	Short: "List occurrences of a day (\"today\", \"next friday\", 20240126)",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		day, err := parseDay(strings.Join(args, " "), time.Now().In(a.loc))
		if err != nil {
			return err
		}
		typ, err := parseType(dayType)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		a.finder.EachInRange(day, dayDays, typ, store.ParseScope(dayScope), func(occ *model.Appointment) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatSpan(occ), occ.Type, occ.Title, occ.UID)
		})
		return w.Flush()
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find appointments whose title or note contains text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		text := strings.Join(args, " ")
		scope := store.ParseScope(findScope)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for appt, ok := a.finder.NextWithString(text, true, scope); ok; appt, ok = a.finder.NextWithString(text, false, scope) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", formatSpan(appt), appt.Title, appt.UID)
		}
		return w.Flush()
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a calendar file into the main calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Check(args[0]); err != nil {
			return err
		}
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		n, err := a.store.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d appointments\n", n)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file> [uid...]",
	Short: "Export the main calendar, or the listed appointments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), len(args) > 1)
		if err != nil {
			return err
		}
		scope := store.ExportAll
		if len(args) > 1 {
			scope = store.ExportUIDs
		}
		return a.store.Export(args[0], scope, args[1:])
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Check that a file is a loadable calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Check(args[0]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move old appointments into the archive calendar",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx, false)
		if err != nil {
			return err
		}
		n, err := a.store.Archive(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("archived %d appointments\n", n)
		return nil
	},
}

var unarchiveCmd = &cobra.Command{
	Use:   "unarchive [uid]",
	Short: "Move archived appointments back into the main calendar",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx, false)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			uid, err := a.store.UnarchiveUID(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(uid)
			return nil
		}
		n, err := a.store.Unarchive(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("unarchived %d appointments\n", n)
		return nil
	},
}

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Show the pending alarm list without firing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		// No state file: listing must not move the persisted last-seen time.
		sched := alarm.New(a.store, alarm.ExecActions{}, alarm.Options{Horizon: a.cfg.Alarm.Horizon})
		if err := sched.Build(false); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, p := range sched.Pending() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.At.In(a.loc).Format("2006-01-02 15:04"), p.State, p.Title, p.UID)
		}
		return w.Flush()
	},
}

func init() {
	dayCmd.Flags().IntVar(&dayDays, "days", 1, "Number of days to list")
	dayCmd.Flags().StringVar(&dayScope, "scope", "any", "Calendars: main, archive, foreign, any")
	dayCmd.Flags().StringVar(&dayType, "type", "any", "Appointment type: event, todo, journal, any")
	searchCmd.Flags().StringVar(&findScope, "scope", "any", "Calendars: main, archive, foreign, any")
}

var dayParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// parseDay understands YYYYMMDD and free-form English ("tomorrow",
// "next friday"). Empty means today.
func parseDay(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.StartOfDay(now), nil
	}
	if t, _, err := model.ParseStamp(v, now.Location()); err == nil {
		return model.StartOfDay(t), nil
	}
	res, err := dayParser.Parse(v, now)
	if err != nil {
		return time.Time{}, err
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("cannot understand day %q", v)
	}
	return model.StartOfDay(res.Time.In(now.Location())), nil
}

func parseType(v string) (model.Type, error) {
	switch strings.ToLower(v) {
	case "", "any":
		return query.AnyType, nil
	case "event":
		return model.TypeEvent, nil
	case "todo":
		return model.TypeTodo, nil
	case "journal":
		return model.TypeJournal, nil
	}
	return 0, fmt.Errorf("unknown appointment type %q", v)
}

func formatSpan(a *model.Appointment) string {
	if a.AllDay {
		return a.StartCurrent.Format("2006-01-02") + " (all day)"
	}
	return a.StartCurrent.Format("2006-01-02 15:04") + " - " + a.EndCurrent.Format("15:04")
}
