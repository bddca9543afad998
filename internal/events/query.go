package events

import "time"

// QueryStart is emitted before a query is sent to the transport.
type QueryStart struct {
	// FetchID identifies one execution of a query.
	FetchID     string
	Key         string
	Query       string
	Perspective string
	UseCdn      bool
}

// QueryFinish is emitted after the transport returns.
type QueryFinish struct {
	FetchID  string
	Key      string
	Query    string
	SyncTags int
	Err      error
	Duration time.Duration
}

// TagsFetched is emitted when the sync tags of a query are recorded.
type TagsFetched struct {
	Key  string
	Tags []string
}

// StrategyChanged is emitted when a query switches revalidation strategy.
type StrategyChanged struct {
	Key  string
	From string
	To   string
}
