// Package server implements the HTTP and WebSocket transport for SketchChat.
//
// Each upgraded connection becomes a Client with its own read and write
// pumps. Rooms and fan-out are delegated to the hub package.
package server
