package repository

// schemaStatements 逐条执行，驱动默认不开启 multiStatements
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS giveaways (
		id           VARCHAR(64)  NOT NULL PRIMARY KEY,
		title        VARCHAR(255) NOT NULL,
		channel_id   VARCHAR(64)  NOT NULL DEFAULT '',
		message_id   VARCHAR(64)  NOT NULL DEFAULT '',
		base_amount  INT          NOT NULL DEFAULT 1,
		rules        TEXT         NOT NULL,
		winner_count INT          NOT NULL DEFAULT 1,
		created_by   VARCHAR(64)  NOT NULL DEFAULT '',
		created_at   DATETIME(3)  NOT NULL,
		closes_at    DATETIME(3)  NOT NULL,
		status       VARCHAR(16)  NOT NULL,
		server_seed  VARCHAR(255) NOT NULL,
		client_seed  VARCHAR(255) NULL,
		winners      MEDIUMTEXT   NULL,
		report       MEDIUMTEXT   NULL,
		drawn_at     DATETIME(3)  NULL,
		KEY idx_status_closes (status, closes_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS giveaway_entries (
		seq            BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		giveaway_id    VARCHAR(64)  NOT NULL,
		participant_id VARCHAR(64)  NOT NULL,
		display_name   VARCHAR(255) NOT NULL DEFAULT '',
		joined_at      DATETIME(3)  NOT NULL,
		roles          TEXT         NOT NULL,
		UNIQUE KEY uk_giveaway_participant (giveaway_id, participant_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS giveaway_setups (
		id               VARCHAR(64)  NOT NULL PRIMARY KEY,
		name             VARCHAR(100) NOT NULL,
		title            VARCHAR(255) NOT NULL,
		guild_id         VARCHAR(64)  NOT NULL,
		channel_id       VARCHAR(64)  NOT NULL DEFAULT '',
		base_amount      INT          NOT NULL DEFAULT 1,
		duration_minutes INT          NOT NULL,
		winner_count     INT          NOT NULL DEFAULT 1,
		rules            TEXT         NOT NULL,
		created_at       DATETIME(3)  NOT NULL,
		UNIQUE KEY uk_guild_name (guild_id, name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
