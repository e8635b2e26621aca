// Package chatserver serves the browser chat widget: a small JSON API and a
// websocket that both drive the session controller.
package chatserver
