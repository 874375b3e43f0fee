package store

// createSQL is the full schema, mirroring spec.md §3. Tables are created
// with IF NOT EXISTS so Open is idempotent across restarts, following the
// teacher's spilldb/db/sql.go convention of one embedded DDL string.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Domains (
	DomainID       INTEGER PRIMARY KEY,
	Name           TEXT NOT NULL UNIQUE, -- lowercased FQDN
	IsActive       BOOLEAN NOT NULL,
	CatchAllUserID INTEGER,              -- NULL if unset
	CreatedAt      INTEGER NOT NULL      -- unix seconds
);

CREATE TABLE IF NOT EXISTS UidValiditySeq (
	DomainID INTEGER PRIMARY KEY,
	Counter  INTEGER NOT NULL,

	FOREIGN KEY(DomainID) REFERENCES Domains(DomainID)
);

CREATE TABLE IF NOT EXISTS Users (
	UserID              INTEGER PRIMARY KEY,
	Username            TEXT NOT NULL,
	DomainID            INTEGER NOT NULL,
	PasswordHash        TEXT NOT NULL,
	PasswordSalt        TEXT NOT NULL,
	FullName            TEXT NOT NULL,
	Role                INTEGER NOT NULL, -- store.Role
	CanReceive          BOOLEAN NOT NULL,
	CanLogin            BOOLEAN NOT NULL,
	CreatedAt           INTEGER NOT NULL,
	LastLogin           INTEGER,          -- NULL if never
	FailedLoginAttempts INTEGER NOT NULL DEFAULT 0,
	LockoutEnd          INTEGER,          -- NULL if not locked
	LastFailedLogin     INTEGER,          -- NULL if none

	UNIQUE(Username, DomainID),
	FOREIGN KEY(DomainID) REFERENCES Domains(DomainID)
);

CREATE TABLE IF NOT EXISTS Folders (
	FolderID    INTEGER PRIMARY KEY,
	UserID      INTEGER NOT NULL,
	Name        TEXT NOT NULL,
	Delimiter   TEXT NOT NULL DEFAULT '/',
	SystemType  TEXT,   -- '' if not a system folder
	Attributes  TEXT,
	UIDNext     INTEGER NOT NULL DEFAULT 1,
	UIDValidity INTEGER NOT NULL,
	Exists_     INTEGER NOT NULL DEFAULT 0,
	Recent      INTEGER NOT NULL DEFAULT 0,
	Unseen      INTEGER NOT NULL DEFAULT 0,
	Subscribed  BOOLEAN NOT NULL DEFAULT TRUE,
	CreatedAt   INTEGER NOT NULL,

	UNIQUE(UserID, Name),
	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

CREATE TABLE IF NOT EXISTS Messages (
	MessageID       INTEGER PRIMARY KEY,
	HeaderMessageID TEXT,
	FromAddr        TEXT NOT NULL,
	ToAddr          TEXT,
	CcAddr          TEXT,
	BccAddr         TEXT,
	Subject         TEXT,
	Headers         TEXT NOT NULL,
	Body            TEXT,
	BodyHTML        TEXT,
	MessageSize     INTEGER NOT NULL,
	ReceivedAt      INTEGER NOT NULL,
	SentDate        INTEGER,
	InReplyTo       TEXT,
	References_     TEXT,
	BodyStructure   TEXT,
	Envelope        TEXT,
	UIDValidity     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS UserMessages (
	UserMessageID  INTEGER PRIMARY KEY,
	UserID         INTEGER NOT NULL,
	MessageID      INTEGER NOT NULL,
	FolderID       INTEGER NOT NULL,
	UID            INTEGER NOT NULL,
	SequenceNumber INTEGER NOT NULL,
	ReceivedAt     INTEGER NOT NULL,

	UNIQUE(FolderID, UID),
	FOREIGN KEY(UserID) REFERENCES Users(UserID),
	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID),
	FOREIGN KEY(FolderID) REFERENCES Folders(FolderID)
);

CREATE INDEX IF NOT EXISTS UserMessagesByUserFolder ON UserMessages(UserID, FolderID);

CREATE TABLE IF NOT EXISTS MessageFlags (
	FlagID     INTEGER PRIMARY KEY,
	MessageID  INTEGER NOT NULL,
	UserID     INTEGER NOT NULL,
	FlagName   TEXT NOT NULL,
	IsSet      BOOLEAN NOT NULL,
	ModifiedAt INTEGER NOT NULL,

	UNIQUE(MessageID, UserID, FlagName),
	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID),
	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

CREATE TABLE IF NOT EXISTS Attachments (
	AttachmentID INTEGER PRIMARY KEY,
	MessageID    INTEGER NOT NULL,
	Filename     TEXT NOT NULL,
	ContentType  TEXT NOT NULL,
	Size         INTEGER NOT NULL,
	FileGUID     TEXT NOT NULL,
	FileExt      TEXT,
	FilePath     TEXT NOT NULL,
	CreatedAt    INTEGER NOT NULL,

	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID)
);

CREATE TABLE IF NOT EXISTS DkimKeys (
	DkimKeyID  INTEGER PRIMARY KEY,
	DomainID   INTEGER NOT NULL,
	Selector   TEXT NOT NULL,
	PrivateKey TEXT NOT NULL,
	PublicKey  TEXT NOT NULL,
	IsActive   BOOLEAN NOT NULL,
	CreatedAt  INTEGER NOT NULL,

	FOREIGN KEY(DomainID) REFERENCES Domains(DomainID)
);
`
