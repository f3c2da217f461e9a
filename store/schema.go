package store

// createSQL is applied once, to a brand new database file, at version 0.
// Every later change to the schema must instead be expressed as a
// migration in migrations.go so that existing account databases upgrade
// in place.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- Config is a scalar key/value store used for account configuration,
-- the schema version, and miscellaneous small persisted values (last
-- housekeeping run, UID/UIDVALIDITY bookkeeping per folder, etc).
CREATE TABLE IF NOT EXISTS Config (
	Key   TEXT PRIMARY KEY,
	Value TEXT
);

CREATE TABLE IF NOT EXISTS Contacts (
	ContactID  INTEGER PRIMARY KEY,
	Addr       TEXT NOT NULL,    -- lower-cased
	Name       TEXT NOT NULL,    -- user-chosen display name
	AuthName   TEXT NOT NULL,    -- name as received from the peer
	Origin     INTEGER NOT NULL, -- Origin, monotonically increasing provenance
	Blocked    BOOLEAN NOT NULL DEFAULT FALSE,
	LastSeen   INTEGER NOT NULL DEFAULT 0,
	Param      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS ContactsAddrIdx ON Contacts(Addr);

CREATE TABLE IF NOT EXISTS Chats (
	ChatID             INTEGER PRIMARY KEY,
	Type               INTEGER NOT NULL,
	Name               TEXT NOT NULL DEFAULT '',
	Blocked            BOOLEAN NOT NULL DEFAULT FALSE,
	Visibility         INTEGER NOT NULL DEFAULT 0,
	GrpID              TEXT NOT NULL DEFAULT '',
	Param              TEXT NOT NULL DEFAULT '',
	Protected          INTEGER NOT NULL DEFAULT 0,
	MuteUntil          INTEGER NOT NULL DEFAULT 0,
	EphemeralTimer     INTEGER NOT NULL DEFAULT 0,
	LocationsSendBegin INTEGER NOT NULL DEFAULT 0,
	LocationsSendUntil INTEGER NOT NULL DEFAULT 0,
	LocationsLastSent  INTEGER NOT NULL DEFAULT 0,
	GossipedTimestamp  INTEGER NOT NULL DEFAULT 0,
	Promoted           BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS ChatsGrpIDIdx ON Chats(GrpID) WHERE GrpID <> '';

-- ChatContacts holds the current membership of a chat.
CREATE TABLE IF NOT EXISTS ChatContacts (
	ChatID        INTEGER NOT NULL,
	ContactID     INTEGER NOT NULL,
	AddTimestamp  INTEGER NOT NULL,

	PRIMARY KEY(ChatID, ContactID),
	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID),
	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

-- PastChatContacts holds tombstones: members that used to be in the
-- chat, and when they were removed. Purged after 60 days, see
-- store.PruneTombstones (run by housekeeping).
CREATE TABLE IF NOT EXISTS PastChatContacts (
	ChatID          INTEGER NOT NULL,
	ContactID       INTEGER NOT NULL,
	RemoveTimestamp INTEGER NOT NULL,

	PRIMARY KEY(ChatID, ContactID),
	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID),
	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

CREATE TABLE IF NOT EXISTS Msgs (
	MsgID             INTEGER PRIMARY KEY,
	Rfc724Mid         TEXT NOT NULL,
	ServerFolder      TEXT NOT NULL DEFAULT '',
	ServerUID         INTEGER NOT NULL DEFAULT 0,
	ChatID            INTEGER NOT NULL,
	FromID            INTEGER NOT NULL,
	ToID              INTEGER NOT NULL DEFAULT 0,
	TimestampSort     INTEGER NOT NULL,
	TimestampSent     INTEGER NOT NULL DEFAULT 0,
	TimestampRcvd     INTEGER NOT NULL DEFAULT 0,
	Type              INTEGER NOT NULL DEFAULT 0,
	State             INTEGER NOT NULL,
	IsDcMessage       BOOLEAN NOT NULL DEFAULT FALSE,
	Hidden            BOOLEAN NOT NULL DEFAULT FALSE,
	Bytes             INTEGER NOT NULL DEFAULT 0,
	Txt               TEXT NOT NULL DEFAULT '',
	MimeHeaders       BLOB,
	MimeInReplyTo     TEXT NOT NULL DEFAULT '',
	MimeReferences    TEXT NOT NULL DEFAULT '',
	Param             TEXT NOT NULL DEFAULT '',
	MoveState         INTEGER NOT NULL DEFAULT 0,
	LocationID        INTEGER NOT NULL DEFAULT 0,

	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID)
);
CREATE INDEX IF NOT EXISTS MsgsRfc724MidIdx ON Msgs(Rfc724Mid, ServerFolder);
CREATE INDEX IF NOT EXISTS MsgsChatIDIdx ON Msgs(ChatID, TimestampSort);
CREATE UNIQUE INDEX IF NOT EXISTS MsgsServerUIDIdx ON Msgs(ServerFolder, ServerUID) WHERE ServerUID <> 0;

CREATE TABLE IF NOT EXISTS Locations (
	LocationID  INTEGER PRIMARY KEY,
	Latitude    REAL NOT NULL,
	Longitude   REAL NOT NULL,
	Accuracy    REAL NOT NULL DEFAULT 0,
	Timestamp   INTEGER NOT NULL,
	ChatID      INTEGER NOT NULL,
	FromID      INTEGER NOT NULL,
	Independent BOOLEAN NOT NULL DEFAULT FALSE,

	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID)
);

-- Jobs is both the spec's queue and the reason the scheduler never
-- loses work across a crash: every side effect (send, flag, move,
-- delete, MDN, backup) is a row here until it is done.
CREATE TABLE IF NOT EXISTS Jobs (
	JobID            INTEGER PRIMARY KEY,
	AddedTimestamp   INTEGER NOT NULL,
	DesiredTimestamp INTEGER NOT NULL,
	Action           INTEGER NOT NULL,
	ForeignID        INTEGER NOT NULL DEFAULT 0,
	Param            TEXT NOT NULL DEFAULT '',
	Tries            INTEGER NOT NULL DEFAULT 0,
	Thread           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS JobsThreadIdx ON Jobs(Thread, DesiredTimestamp);

CREATE TABLE IF NOT EXISTS PeerStates (
	Addr                     TEXT PRIMARY KEY,
	LastSeen                 INTEGER NOT NULL DEFAULT 0,
	LastSeenAutocrypt        INTEGER NOT NULL DEFAULT 0,
	PublicKey                BLOB,
	PublicKeyFingerprint     TEXT NOT NULL DEFAULT '',
	GossipTimestamp          INTEGER NOT NULL DEFAULT 0,
	GossipKey                BLOB,
	GossipKeyFingerprint     TEXT NOT NULL DEFAULT '',
	VerifiedKey              BLOB,
	VerifiedKeyFingerprint   TEXT NOT NULL DEFAULT '',
	PreferEncrypted          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS Keypairs (
	KeypairID  INTEGER PRIMARY KEY,
	Addr       TEXT NOT NULL,
	IsDefault  BOOLEAN NOT NULL DEFAULT FALSE,
	PublicKey  BLOB NOT NULL,
	PrivateKey BLOB NOT NULL,
	Created    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS KeypairsAddrIdx ON Keypairs(Addr);

-- Tokens backs SecureJoin invitenumber/auth issuance and validation.
CREATE TABLE IF NOT EXISTS Tokens (
	TokenID   INTEGER PRIMARY KEY,
	Namespace TEXT NOT NULL, -- "invitenumber" or "auth"
	ForeignID INTEGER NOT NULL DEFAULT 0, -- chat id, 0 for setup-contact
	Token     TEXT NOT NULL,
	Created   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS TokensLookupIdx ON Tokens(Namespace, Token);
`
