// Package rtest contains helpers shared by tests across the module.
package rtest
