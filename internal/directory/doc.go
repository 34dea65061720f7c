// Package directory registers users and answers who they are.
//
// It owns password hashing (bcrypt) and input validation
// (go-playground/validator) on top of a store.UserStore. Display names are
// optional at registration and default to the local part of the email.
// ListUsers is what a client shows as its contact list, so it leaves out the
// caller.
package directory
