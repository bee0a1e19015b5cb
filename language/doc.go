// Package language holds the fixed table of supported languages.
//
// Each supported language is described by a Profile: the file name the source
// is staged under, the container image and its build context, and the compile
// and run commands executed inside the container. Profiles are built once at
// process start and shared read-only by every execution.
//
// Usage:
//
//	registry, err := language.NewRegistry("images", nil)
//	profile, err := registry.Resolve("java")
//	fmt.Println(profile.SourceFile) // Main.java
package language
