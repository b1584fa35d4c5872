package config

type Config struct {
	DiscordAuth   DiscordAuth          `yaml:"discord_auth" validate:"required"`
	Storage       Storage              `yaml:"storage" validate:"required"`
	Restore       Restore              `yaml:"restore" validate:"required"`
	ObjectStorage *ObjectStorageConfig `yaml:"object_storage"`
}

type DiscordAuth struct {
	Token string `yaml:"token" comment:"Discord bot token" validate:"required"`
}

type Storage struct {
	BaseDir string `yaml:"base_dir" default:"snapshots" comment:"Directory snapshots are stored under, one subtree per snapshot id" validate:"required"`
}

type Restore struct {
	// Roles with these names are never deleted when a stage reset clears
	// live roles
	ProtectedRoleNames []string `yaml:"protected_role_names" default:"Moderator,Admin" comment:"Role names that must never be deleted during a restore reset"`

	ReportChannelName string `yaml:"report_channel_name" default:"mod-logs" comment:"Channel name the restore summary is sent to"`

	MaxAttachmentFileSize int `yaml:"max_attachment_file_size" default:"8000000" comment:"Per-file ceiling (bytes) for re-uploaded attachments" validate:"required"`
}

// ObjectStorageConfig configures an optional offsite mirror for exported
// snapshot archives. When nil, snapshots live only in the local directory
// layout.
type ObjectStorageConfig struct {
	Type      string `yaml:"type" default:"local" comment:"Object storage type. Either 'local' or 's3-like'" validate:"required"`
	Path      string `yaml:"path" default:"snapshot-mirror" comment:"If s3-like, this should be the bucket name. If local, this should be the path to the directory to store files in" validate:"required"`
	Endpoint  string `yaml:"endpoint" comment:"If s3-like, the endpoint of the object storage"`
	Secure    bool   `yaml:"secure" comment:"If s3-like, whether or not to use a secure connection"`
	AccessKey string `yaml:"access_key" comment:"If s3-like, the access key"`
	SecretKey string `yaml:"secret_key" comment:"If s3-like, the secret key"`
}
