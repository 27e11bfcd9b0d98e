// Package jobs schedules background maintenance with robfig/cron: a nightly
// conservative resync of published plan templates and the audit retention
// purge. Jobs run as the system operator principal.
package jobs
