// Package credentials derives device keys and signs shared access tokens
// for the provisioning service and the hub.
package credentials
