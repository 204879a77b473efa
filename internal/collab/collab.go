// Package collab defines the control plane's external collaborator
// interfaces — Notifier and Scheduler — plus the implementations this
// repository ships: a logging Notifier stub and a robfig/cron Scheduler.
package collab

import (
	"code.cloudfoundry.org/lager"
	robfigcron "github.com/robfig/cron"
)

// Notifier sends outbound email. It is deliberately narrow: the real
// delivery mechanism (SMTP relay, transactional-email API) is an external
// collaborator outside this system's scope.
type Notifier interface {
	Send(to, subject, html, notificationType string) bool
}

// LoggingNotifier is the stub shipped with this repository: it logs the
// notification instead of delivering it, so the system is runnable
// standalone without a mail provider configured.
type LoggingNotifier struct {
	logger lager.Logger
}

// NewLoggingNotifier builds a Notifier that records sends via lager.
func NewLoggingNotifier(logger lager.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger.Session("notifier")}
}

// Send always reports success after logging; it never actually dispatches
// email.
func (n *LoggingNotifier) Send(to, subject, html, notificationType string) bool {
	n.logger.Info("send", lager.Data{
		"to":      to,
		"subject": subject,
		"type":    notificationType,
	})
	return true
}

// Scheduler runs a task on a recurring interval, used only by the
// password-expiry job (C14).
type Scheduler interface {
	Every(cronExpression string, task func()) error
	Start()
	Stop()
}

// CronScheduler wraps robfig/cron: one schedule, one task, explicit
// Start/Stop. Start blocks, so callers run it in its own goroutine.
type CronScheduler struct {
	cron   *robfigcron.Cron
	logger lager.Logger
}

// NewCronScheduler constructs an idle scheduler; call Every to register the
// task before Start.
func NewCronScheduler(logger lager.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   robfigcron.New(),
		logger: logger.Session("scheduler"),
	}
}

// Every registers task to run on the given cron expression.
func (s *CronScheduler) Every(cronExpression string, task func()) error {
	return s.cron.AddFunc(cronExpression, task)
}

// Start runs the scheduler loop until Stop is called.
func (s *CronScheduler) Start() {
	s.logger.Info("cron-start")
	s.cron.Run()
	s.logger.Info("cron-stop")
}

// Stop halts the scheduler, allowing any in-flight task to finish.
func (s *CronScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
