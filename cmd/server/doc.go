// Package main is the entry point for the coderun server.
//
// The server accepts programs in several languages over HTTP (POST
// /code/run) and, optionally, as a Model Context Protocol tool, compiles and
// runs each one in a fresh resource-limited container and returns its
// output.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
