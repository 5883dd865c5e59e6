package config

// DefaultConfigYAML is the starter config written by `nibbler doctor --init`
// (and used by tests asserting the zero-config fallback matches what a
// freshly initialized project would have on disk).
const DefaultConfigYAML = `# nibbler configuration
# Values not specified here use the built-in defaults.

log:
  level: info
  format: auto

engine:
  inactivity_timeout: 10m
  max_phase_transitions: 50
  many_threshold: 5
  http_smoke:
    connect_timeout: 2s
    total_timeout: 30s
    settle_delay: 500ms

git:
  worktree_dir: .nibbler/worktrees
  noise_prefixes:
    - node_modules/
    - dist/
    - out/
    - coverage/
    - .next/
    - .turbo/
    - .vercel/

runner:
  kind: process
  binary: ""
  config_dir: ""
  spawn_timeout: 30s

diagnostics:
  preflight_enabled: true
  kill_dump:
    max_lines: 200

web:
  enabled: false
  addr: 127.0.0.1:8787
`
