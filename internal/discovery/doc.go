// Package discovery scans for the teleinfo node and creates sessions for it.
package discovery
