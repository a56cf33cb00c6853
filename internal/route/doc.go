// Package route holds the gateway's static route table and path matchers.
// Routes are evaluated in configuration order and the first match wins, so
// more specific routes must be listed before broader ones.
package route
