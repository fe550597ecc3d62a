// Package config provides a stage registry and human-readable chain configuration.
//
// Register stages by name, then define chains in YAML (or structs) that reference
// those names, or declare command and download stages inline:
//
//	name: media
//	context:
//	  cache_dir: $HOME/.cache/stagechain
//	stages:
//	  - name: detect_volume
//	    command: [ffmpeg, -hide_banner, -i, "{{.in_file}}", -af, volumedetect, -f, "null", "-"]
//	    artifact: volume_detect
//	    parse: kv:mean_volume,max_volume
//	    timeout: 5m
//	    on_error: download
//	    error_limit: 1
//	  - name: normalize
//	    on_done: _done
//	  - name: download
//	    download: source_url
//	    into: in_file
//	    retry: exponential
//	    max_attempts: 4
//	    on_done: detect_volume
//
// on_done defaults to the next stage in the list (the last stage to _done) and
// on_error to _abort. Build a chain with BuildChain(registry, config); the
// result is validated like any pipeline.Chain.
package config
