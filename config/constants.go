package config

import (
	"os"
	"time"
)

// Env is "prod" unless IRCFEEDBOT_ENV selects the relaxed dev floors.
var Env = envDefault()

func envDefault() string {
	if v := os.Getenv("IRCFEEDBOT_ENV"); v != "" {
		return v
	}
	return "prod"
}

const (
	// AlertsChannelFormatDefault is the alerts-channel template; {nick}
	// is substituted with the configured nick.
	AlertsChannelFormatDefault = "##{nick}-alerts"

	// DBFilename is the dedup database file, created next to the
	// config file.
	DBFilename = "posts.v2.db"

	// CacheDirName is the on-disk cache directory, created next to the
	// config file.
	CacheDirName = ".ircfeedbot_cache"

	// DedupDefault is the dedup scope used when a feed does not set one.
	DedupDefault = "channel"

	// MinConsecutiveFeedFailuresForAlert gates read-failure alerts.
	MinConsecutiveFeedFailuresForAlert = 3

	// PeriodHoursDefault applies when a feed does not configure a period.
	PeriodHoursDefault = 1.0

	// PeriodJitterPercent spreads each cycle's period uniformly within
	// ±5% of the configured value.
	PeriodJitterPercent = 5

	// QuoteLenMax is the usable bytes of an outbound IRC line, leaving
	// two for CRLF.
	QuoteLenMax = 510

	// ReadAttemptsMax bounds fetch retries per URL per cycle.
	ReadAttemptsMax = 3

	// RequestTimeout bounds one HTTP request.
	RequestTimeout = 90 * time.Second

	// SecondsBetweenFeedURLs spaces fetches of a multi-URL feed.
	SecondsBetweenFeedURLs = 1 * time.Second

	// SecondsPerMessage is the minimum gap between any two outbound
	// messages, across all channels.
	SecondsPerMessage = 2 * time.Second

	// TitleMaxBytes caps titles ahead of message-length truncation. The
	// larger cap matters for publishing, which has no line budget.
	TitleMaxBytes = 2048

	// PublishAttemptsMax bounds publish retries before a batch is queued
	// for the next publish of its channel.
	PublishAttemptsMax = 3

	// PublishRetrySleepMax caps the exponential publish retry sleep.
	PublishRetrySleepMax = 32 * time.Second

	// ProtoLogKeep is how long raw IRC protocol lines stay in the state
	// database before startup maintenance removes them.
	ProtoLogKeep = 7 * 24 * time.Hour
)

// NewFeedPostsMax maps the per-feed "new" policy to the maximum number
// of entries posted from a feed with no prior dedup records. A negative
// value means unlimited.
var NewFeedPostsMax = map[string]int{"none": 0, "some": 3, "all": -1}

// PeriodHoursMin is the floor applied to configured feed periods.
func PeriodHoursMin() float64 {
	if Env == "dev" {
		return 0.0001
	}
	return 0.2
}

// MinChannelIdleTime is how long a channel must have been quiet before
// a bundle is announced on it.
func MinChannelIdleTime() time.Duration {
	if Env == "dev" {
		return time.Second
	}
	return 15 * time.Minute
}
