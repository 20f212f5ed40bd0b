// Package testproxy routes HTTP traffic through a record/playback test
// proxy.
//
// A Controller starts a session with a running proxy and receives a
// recording id. A Transport is then installed in the application's
// http.Client; it stashes each request's original destination in the
// x-recording-upstream-base-uri header and sends the request to the proxy
// instead. In record mode the proxy forwards the request to the real
// service and stores the exchange. In playback mode it answers from the
// stored exchange without touching the network.
//
// The recording is only persisted when the session is stopped, so callers
// must always call Controller.Stop once they are done.
package testproxy
