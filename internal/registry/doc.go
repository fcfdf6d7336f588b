// Package registry holds the set of known egress endpoints and their health
// scores.
//
// A score is a bounded reputation in [0,100]: successes add a small delta,
// failures subtract a larger penalty, so a burst of failures decays an
// endpoint quickly while one bad probe does not blacklist it. All mutation
// goes through Add, RecordOutcome and Evict under a single lock; readers get
// copies.
package registry
