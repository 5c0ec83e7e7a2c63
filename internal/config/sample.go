package config

// SampleConfig is printed by "site-backup config"
const SampleConfig = `# site-backup configuration
# Every key can be overridden with an environment variable prefixed with
# SITE_BACKUP_, dots replaced by underscores (SITE_BACKUP_REMOTE_PASSWORD).

staging_dir: backup        # local directory receiving app.tar.gz and data.sql
timeout: 2h                # upper bound for the whole run

remote:
  host: www.example.com
  port: 22
  username: deploy
  password: ""             # password and/or private key
  private_key_path: ~/.ssh/id_ed25519
  known_hosts_path: ~/.ssh/known_hosts   # empty accepts any host key (logged)
  source_path: /var/www/html             # tree passed to tar
  backup_path: /home/deploy/backup       # where the archive is written remotely
  ignore_stderr: []                      # stderr lines containing these are not errors
  connect_timeout: 30s

transfer:
  protocol: ftp            # ftp or sftp
  host: ""                 # defaults to remote.host
  port: 21
  username: deploy
  password: secret
  remote_dir: ../backup    # directory changed into after login
  local_name: app.tar.gz
  timeout: 30s
  explicit_tls: false

database:
  enabled: false
  host: localhost
  port: 3306
  username: root
  password: secret
  name: wordpress
  dump_command: mysqldump
  extra_args: []
  probe_timeout: 10s
  compression: none        # none, gzip, zstd, lz4
  run_without_transfer: true   # dump even when the archive transfer failed

publish:
  enabled: false
  repository: https://git.example.com/backups/site.git
  driver: git              # git (external binary) or go-git
  branch: ""
  username: ""
  token: ""
  author_name: site-backup
  author_email: site-backup@localhost
  cleanup_on_success: true     # failed publishes always keep the clone

encryption:
  enabled: false
  required: true           # skip upload/publish when encryption fails
  key_env: ""              # hex encoded 32 byte key
  key_file: ""             # raw 32 byte key
  passphrase_env: ""       # passphrase stretched with PBKDF2

offsite:
  enabled: false
  provider: local          # local, s3, azure, gcs, minio
  prefix: site-backup
  local:
    base_path: /mnt/backups
  s3:
    bucket: ""
    region: us-east-1
    access_key: ""
    secret_key: ""
    endpoint: ""
    force_path_style: false
  azure:
    account_name: ""
    account_key: ""
    container_name: ""
    endpoint: ""           # e.g. http://127.0.0.1:10000/devstoreaccount1 for Azurite
  gcs:
    bucket: ""
    credentials_path: ""
    endpoint: ""           # emulator URL, requests are then unauthenticated
  minio:
    endpoint: minio.example.com:9000
    bucket: ""
    access_key: ""
    secret_key: ""
    region: ""
    use_ssl: true

notifications:
  enabled: false
  on: failure              # failure or always
  timeout: 10s
  webhook:
    url: ""
    headers: {}
  slack:
    webhook_url: ""
    channel: ""
    username: site-backup
  file:
    path: ""
    format: json           # json or text

report:
  enabled: true
  dir: ""                  # defaults to <staging_dir>/reports
  format: json             # json or yaml

retention:                 # applied after a completed run to reports and local offsite runs
  keep_last: 0             # always keep the newest N
  max_age: 0s              # keep everything younger than this
  keep_daily: 0            # keep the newest entry of each of the last N days

retry:
  max_attempts: 3          # archive and transfer only
  base_delay: 2s
  max_delay: 30s
  multiplier: 2

logging:
  level: normal            # quiet, normal, verbose, debug
  format: text             # text or json
  file: ""

display:
  no_color: false
  quiet: false
`
