// Package incident is the correlation authority for incidentd. It owns the
// incident record and its status state machine (with MTTA/MTTR derivation),
// the per-incident audit timeline, the Store interface that persistence
// backends implement, and the Service that ties them together.
package incident
