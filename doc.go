// Package openrag fetches URLs through exit nodes of the OpenRAG grid.
//
// A Client keeps one control channel to the signaling service. Every Fetch
// asks the service for a free node, negotiates a direct WebRTC data channel
// with it and sends the URL over that channel; the node fetches the page and
// answers on the same channel.
//
//	c, err := openrag.New(config.Client{ApiKey: key})
//	if err != nil { ... }
//	if err = c.Connect(ctx); err != nil { ... }
//	defer c.Disconnect()
//	body, err := c.Fetch(ctx, "https://example.com")
//
// Failures match one of the Err* kinds with errors.Is.
package openrag
