// Package storage provides the shared key/value store that several salewatch
// instances use as a weak coordination channel.
//
// The store deliberately offers no locking and no compare-and-swap: every
// feature built on it (sale dedup, sound claims) is advisory.
package storage
