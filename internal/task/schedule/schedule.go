// Package schedule turns declarative schedule blocks into next-run calculators.
//
// Three kinds are supported, exactly one per task:
//   - daily:    "HH:MM" in the schedule timezone
//   - interval: N minutes after the previous dispatch (drift-free, relative to now)
//   - cron:     standard 5-field expression or @descriptor
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindDaily    Kind = "daily"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
)

// Def is the declarative schedule block as written in the tasks source.
type Def struct {
	Daily    string `yaml:"daily,omitempty" json:"daily,omitempty"`
	Interval int    `yaml:"interval,omitempty" json:"interval,omitempty"` // minutes
	Cron     string `yaml:"cron,omitempty" json:"cron,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

func (d Def) IsZero() bool {
	return strings.TrimSpace(d.Daily) == "" && d.Interval == 0 && strings.TrimSpace(d.Cron) == "" && strings.TrimSpace(d.Timezone) == ""
}

// UsesDefaultLocation reports whether the next-run time depends on the
// scheduler-wide timezone: daily and cron blocks without their own timezone.
func (d Def) UsesDefaultLocation() bool {
	return d.Interval == 0 && strings.TrimSpace(d.Timezone) == ""
}

// String is a compact human form, used in status views.
func (d Def) String() string {
	var s string
	switch {
	case strings.TrimSpace(d.Daily) != "":
		s = "daily " + strings.TrimSpace(d.Daily)
	case d.Interval != 0:
		s = fmt.Sprintf("every %dm", d.Interval)
	case strings.TrimSpace(d.Cron) != "":
		s = "cron " + strings.TrimSpace(d.Cron)
	default:
		return ""
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		s += " (" + tz + ")"
	}
	return s
}

// Spec computes next occurrences. Next is strictly after now.
type Spec interface {
	Kind() Kind
	Next(now time.Time) time.Time
	String() string
}

var ErrNoSchedule = errors.New("no schedule")

// cronParser accepts classic 5-field crontab lines plus @hourly style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates def and builds its Spec. defaultLoc applies when def has no
// timezone (nil means time.Local). A task without any schedule returns ErrNoSchedule.
func Parse(def Def, defaultLoc *time.Location) (Spec, error) {
	daily := strings.TrimSpace(def.Daily)
	expr := strings.TrimSpace(def.Cron)

	set := 0
	if daily != "" {
		set++
	}
	if def.Interval != 0 {
		set++
	}
	if expr != "" {
		set++
	}
	switch {
	case set == 0:
		return nil, ErrNoSchedule
	case set > 1:
		return nil, fmt.Errorf("schedule: exactly one of daily, interval or cron must be set")
	}

	loc := defaultLoc
	if loc == nil {
		loc = time.Local
	}
	if tz := strings.TrimSpace(def.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	switch {
	case def.Interval != 0:
		if def.Interval < 0 {
			return nil, fmt.Errorf("schedule: interval must be > 0 minutes")
		}
		return Interval{Every: time.Duration(def.Interval) * time.Minute}, nil
	case daily != "":
		h, m, err := parseHHMM(daily)
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		sched, err := cronParser.Parse(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		return Daily{Hour: h, Minute: m, Loc: loc, sched: sched}, nil
	default:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid cron %q: %w", expr, err)
		}
		return Cron{Expr: expr, Loc: loc, sched: sched}, nil
	}
}

// Daily fires once per day at Hour:Minute in Loc.
type Daily struct {
	Hour, Minute int
	Loc          *time.Location
	sched        cron.Schedule
}

func (d Daily) Kind() Kind { return KindDaily }

func (d Daily) Next(now time.Time) time.Time { return d.sched.Next(now.In(d.Loc)) }

func (d Daily) String() string {
	return fmt.Sprintf("daily %02d:%02d %s", d.Hour, d.Minute, d.Loc)
}

// Interval fires Every after the reference time.
type Interval struct {
	Every time.Duration
}

func (i Interval) Kind() Kind { return KindInterval }

func (i Interval) Next(now time.Time) time.Time { return now.Add(i.Every) }

func (i Interval) String() string { return "every " + i.Every.String() }

// Cron follows a 5-field expression evaluated in Loc.
type Cron struct {
	Expr  string
	Loc   *time.Location
	sched cron.Schedule
}

func (c Cron) Kind() Kind { return KindCron }

func (c Cron) Next(now time.Time) time.Time { return c.sched.Next(now.In(c.Loc)) }

func (c Cron) String() string { return fmt.Sprintf("cron %s %s", c.Expr, c.Loc) }

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// LoadLocation resolves an IANA name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
