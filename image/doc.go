// Package image defines the per-language Sandbox Images and builds them.
//
// Every image carries one toolchain, a fixed working directory and the
// execution script installed as its only, immutable entrypoint. The
// rendered Dockerfile uses an exec-form ENTRYPOINT and never a CMD, so
// nothing passed at container creation can replace the script.
//
// Usage:
//
//	def := image.FromToolchain(tc, cfg.Image.WorkDir, cfg.Image.EntrypointSource, cfg.Image.EntrypointPath)
//	dockerfile, err := image.Render(def)
//
//	builder := image.NewBuilder(log, dockerClient)
//	err = builder.Build(ctx, def, image.Tag("execbox", def.Language))
package image
