// Package main is the coderun command line tool.
//
// It runs programs through the same pipeline as the server, without the
// HTTP layer, and offers maintenance commands:
//
//	coderun run -l python -f main.py --stdin "1 2"
//	coderun languages -o yaml
//	coderun sweep --older-than 1h
package main
