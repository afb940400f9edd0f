// Package main hosts the sceneforge CLI entrypoint and command graph.
//
// The Cobra command tree runs scene plans, hosts the standalone sentinel,
// validates finished run directories, lists recorded attempts and scaffolds
// configuration. It centralizes configuration resolution and logger setup
// so subcommands can focus on output.
//
// Keep this package lean: new behavior belongs in the internal packages
// first, surfaced here through dedicated commands or flags.
package main
