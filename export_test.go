package pdc

// OpenTransfers returns the number of transfers c still tracks.
func OpenTransfers(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}
