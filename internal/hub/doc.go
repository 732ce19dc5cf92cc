// Package hub is the real-time room broadcast core of sketchchat.
//
// It tracks live connections and the user each one is bound to, maps chat
// rooms to the connections subscribed to them, and fans inbound events out to
// the right recipients: the whole room, the room except the sender, or every
// connection of one user. Typing indicators expire on their own and drawing
// strokes are relayed in order without any server-side canvas state.
//
// A Hub is constructed once per process with New and handed to whatever
// serves inbound connections. All exported methods are safe for concurrent
// use.
package hub
