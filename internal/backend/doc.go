// Package backend defines the asynchronous call contract every platform
// service client implements, along with the service registry that feature
// collaborators resolve their clients from.
package backend
