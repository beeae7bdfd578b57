package mq

// checkSessionPresent handles the Session Present flag from CONNACK. A
// session that is not present means the broker discarded whatever state it
// held, so any QoS 2 receive-state this client tracked for it is stale and
// the client re-sends its active subscriptions.
//
// NOTE: This runs in the connection/reconnection loop.
func (c *Client) checkSessionPresent(sessionPresent bool) error {
	if sessionPresent {
		c.opts.Logger.Debug("session present, keeping client-side state")
		return nil
	}

	c.opts.Logger.Debug("session not present (clean start), clearing stale state and resubscribing")

	c.internalResetState()
	go c.resubscribeAll()

	return nil
}
