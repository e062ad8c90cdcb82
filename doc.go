/*
Package signalr contains a SignalR client for the core (ASP.NET Core) hub
protocol over the WebSockets transport with the Text (JSON) transfer format.
For a deeper understanding of the protocol see
https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
and https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/TransportProtocols.md

# Basics

The SignalR Protocol is a protocol for two-way RPC over any message-based
transport. Either party in the connection may invoke procedures on the other
party, and procedures can return zero or more results or an error.

# Building a connection

A HubConnection is created with a HubConnectionBuilder, which binds the
server URL and all tunables (timeouts, keepalive interval, reconnect policy,
injected HTTP client and websocket factories, logging):

	conn, err := signalr.NewHubConnectionBuilder().
		WithURL("https://example.com/chat").
		WithAutomaticReconnect().
		Build()

Handlers for methods the server invokes are registered with On before
Start. After Start returns, the connection is Connected: Invoke calls a
server method and delivers its completion over a channel, Send fires a
method without awaiting a result.

# Lifecycle

Start drives the connection through negotiation, the websocket open and the
protocol handshake. A keepalive timer then sends periodic pings and stops
the connection when the server stays silent past the server timeout. Stop
tears the connection down gracefully. With automatic reconnection enabled, a
connection lost to an error is re-established in the background with the
configured backoff delays; the disconnected callback installed with
SetDisconnected fires after every disconnection either way.

Server-to-client streaming, client-to-server streaming and the MessagePack
protocol are not supported. Stream items received from the server are
silently dropped. Connecting to a legacy ASP.NET SignalR server fails with
ErrLegacyServer.
*/
package signalr
