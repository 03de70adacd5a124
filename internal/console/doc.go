// Package console watches an interactive stdin for the quit keypress.
package console
