// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

// CronService runs the daily housekeeping jobs: the morning token
// rollover, the instrument registry refresh, and the expiry sweep.
// Schedules are evaluated in IST because they track the exchange day.
type CronService struct {
	c           *cron.Cron
	instruments *InstrumentService
	refresher   *TokenRefresher
	refreshHour int
}

// NewCronService creates a new CronService
func NewCronService(instruments *InstrumentService, refresher *TokenRefresher, refreshHour int) *CronService {
	if refreshHour <= 0 || refreshHour > 23 {
		refreshHour = 7
	}
	return &CronService{
		c:           cron.New(cron.WithLocation(istLocation)),
		instruments: instruments,
		refresher:   refresher,
		refreshHour: refreshHour,
	}
}

// Start registers and starts the jobs
func (cs *CronService) Start() {
	zaplogger.Info("Initializing CronService")

	tokenSchedule := "0 " + strconv.Itoa(cs.refreshHour) + " * * *"
	cs.addScheduledJob("Token REFRESH Job", cs.tokenRefreshJob, tokenSchedule)             // daily before market open
	cs.addScheduledJob("Instruments UPDATE Job", cs.instrumentsUpdateJob, "0 8 * * 1-5")   // 08:00 Mon-Fri
	cs.addScheduledJob("Instruments EXPIRY Job", cs.instrumentsExpiryJob, "30 16 * * 1-5") // after close

	cs.addStartupJob("Instruments UPDATE Job", cs.instrumentsUpdateJob, 1*time.Second)

	cs.c.Start()
}

// Stop stops the scheduler, waiting for a running job to finish
func (cs *CronService) Stop() {
	<-cs.c.Stop().Done()
}

// addStartupJob runs a job once shortly after boot
func (cs *CronService) addStartupJob(name string, job func(), delay time.Duration) {
	go func() {
		time.Sleep(delay)
		zaplogger.Info("STARTED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED STARTUP job", zaplogger.Fields{
			"job": name,
		})
	}()
	zaplogger.Info("QUEUED STARTUP job", zaplogger.Fields{
		"job": name,
	})
}

func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Info("STARTED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
	})
	if err != nil {
		zaplogger.Error("FAILED TO QUEUE SCHEDULED JOB", zaplogger.Fields{
			"job":   name,
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info("QUEUED SCHEDULED job", zaplogger.Fields{
		"job": name,
	})
}

// tokenRefreshJob rolls every account token before market open
func (cs *CronService) tokenRefreshJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cs.refresher.RefreshAll(ctx)
}

// instrumentsUpdateJob pulls the daily registry dump
func (cs *CronService) instrumentsUpdateJob() {
	jobName := "Instruments UPDATE Job "
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rowsInserted, err := cs.instruments.UpdateInstruments(ctx)
	if err != nil {
		zaplogger.Error(jobName, zaplogger.Fields{
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info(jobName, zaplogger.Fields{
		"rows_inserted": strconv.Itoa(rowsInserted),
	})
}

// instrumentsExpiryJob retires contracts past their expiry
func (cs *CronService) instrumentsExpiryJob() {
	jobName := "Instruments EXPIRY Job "
	expired, err := cs.instruments.MarkExpired()
	if err != nil {
		zaplogger.Error(jobName, zaplogger.Fields{
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info(jobName, zaplogger.Fields{
		"expired": strconv.FormatInt(expired, 10),
	})
}
