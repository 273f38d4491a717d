// Package main hosts the capstan CLI entrypoint and command graph.
//
// The Cobra-based command tree surfaces the key-resolution internals for
// operators: vault inspection and key copying, export file review, CDM
// smoke tests, dependency checks, title cache maintenance, and configuration
// scaffolding. It centralizes configuration resolution and structured logging
// setup so subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
