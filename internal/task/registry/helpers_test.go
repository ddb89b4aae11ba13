package registry

import "botrunner/internal/task/schedule"

func scheduleEvery(min int) schedule.Def { return schedule.Def{Interval: min} }

func scheduleCron(expr string) schedule.Def { return schedule.Def{Cron: expr} }
