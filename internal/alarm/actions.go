package alarm

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	appLog "calarm/internal/log"
)

// ExecActions runs alarm actions as external commands. Commands are
// started and reaped in the background so a slow player never holds up
// the scheduler.
type ExecActions struct {
	// SoundCommand plays a sound file, e.g. "paplay". Empty logs only.
	SoundCommand string
	// NotifyCommand shows a desktop notification, e.g. "notify-send".
	NotifyCommand string
}

func (e ExecActions) Sound(ctx context.Context, p Pending) error {
	file := p.Occurrence.Alarm.SoundFile
	if e.SoundCommand == "" || file == "" {
		appLog.Info("alarm sound", "uid", p.UID, "file", file, "repeat", p.Repeat)
		return nil
	}
	return start(ctx, e.SoundCommand, file)
}

func (e ExecActions) Display(ctx context.Context, p Pending) error {
	al := p.Occurrence.Alarm
	if al.DisplayNative {
		appLog.Info("ALARM", "title", p.Title, "start", p.Start, "location", p.Occurrence.Location, "note", p.Occurrence.Note)
	}
	if !al.DisplayNotify {
		return nil
	}
	if e.NotifyCommand == "" {
		return errors.New("no notify command configured")
	}
	args := []string{}
	switch {
	case al.NotifyTimeout < 0:
		args = append(args, "-t", "0")
	case al.NotifyTimeout > 0:
		args = append(args, "-t", strconv.Itoa(al.NotifyTimeout*1000))
	}
	body := p.Start.Format("2006-01-02 15:04")
	if p.Occurrence.Location != "" {
		body += " @ " + p.Occurrence.Location
	}
	args = append(args, p.Title, body)
	return start(ctx, e.NotifyCommand, args...)
}

func (e ExecActions) Procedure(ctx context.Context, p Pending) error {
	al := p.Occurrence.Alarm
	if al.ProcedureCmd == "" {
		return errors.New("empty procedure command")
	}
	return start(ctx, al.ProcedureCmd, strings.Fields(al.ProcedureParams)...)
}

func start(ctx context.Context, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			appLog.Error("alarm command failed", err, "cmd", name)
		}
	}()
	return nil
}
