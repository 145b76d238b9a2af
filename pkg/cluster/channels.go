package cluster

import "strings"

// channels derives the bus channel names for one namespace. Room channels
// extend the namespace channel with a room segment, so a subscriber to the
// namespace channel can recognize room traffic by prefix. The trailing "#"
// keeps one namespace's names from prefixing another's.
type channels struct {
	prefix string
	nsp    string
}

// broadcast is the namespace-wide channel: {prefix}#{nsp}#.
func (c channels) broadcast() string {
	return c.prefix + "#" + c.nsp + "#"
}

// room is the per-room channel: {prefix}#{nsp}#{room}#.
func (c channels) room(room string) string {
	return c.broadcast() + room + "#"
}

// request is the channel every node serving the namespace listens on for
// client-listing queries: {prefix}-request#{nsp}#.
func (c channels) request() string {
	return c.prefix + "-request#" + c.nsp + "#"
}

// response is the per-query reply channel:
// {prefix}-response#{nsp}#{transactionID}#.
func (c channels) response(transactionID string) string {
	return c.prefix + "-response#" + c.nsp + "#" + transactionID + "#"
}

// channelMatches reports whether a received channel belongs to the
// subscription identified by prefix.
func channelMatches(channel, prefix string) bool {
	return strings.HasPrefix(channel, prefix)
}
