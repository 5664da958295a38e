// Package api exposes the swap engine as a set of JSON tools served over
// HTTP. Every response is wrapped in an Envelope; tools that act on a wallet
// require a bearer token issued by create_session.
package api
