// Package main is sandboxctl, the operator tool for the sandbox image family.
//
// Commands:
//
//	sandboxctl render [language...]   write docker/Dockerfile.<language>
//	sandboxctl build [language...]    build and tag <prefix>-<language> images
//	sandboxctl run -l c main.c        execute one submission and print the result
//
// Every command reads the same configuration as the server (config.yaml or
// the file given with --config).
package main
